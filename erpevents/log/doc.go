// Package log defines the structured logging interface and typed fields used
// throughout erpevents.
//
// Adapters (such as the zap package) implement Logger so services keep one
// logging call convention regardless of backend.
package log
