// Package wire defines the frames exchanged between mesh peers and their
// JSON encoding. A frame is {kind, sender, body}; the set of kinds is
// closed and every decoder failure is reported as a *ParseError.
package wire
