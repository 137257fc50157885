// Package payload defines the value types carried by synchronized attributes
// and their canonical JSON encoding.
//
// The canonical encoding is what the engine compares against a record's
// snapshot attribute to suppress echoes, so it must be byte-for-byte stable:
//   - Object keys sorted by UTF-16 code units (RFC 8785)
//   - Strings NFC normalized, no HTML escaping
//   - No floats; numbers are int64 only
//   - No null; a null attribute is an unset attribute
//
// payload imports nothing internal. Every other internal package may import it.
package payload
