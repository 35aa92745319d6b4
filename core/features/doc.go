// Package features implements the capability registry consulted by every
// request: typed slots for the well-known capabilities, an overflow area
// for everything else and a shared backstop of defaults.
package features
