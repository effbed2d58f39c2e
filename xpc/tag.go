// Package xpc decodes XPC message objects that live in another process.
//
// The package never touches foreign memory directly. Every read goes through
// a Process collaborator supplied with the Handle, which lets the same code
// run against:
// 1. A live target reached through a debugger stub
// 2. A simulated address space in tests and demos
// 3. Any future backend that can read memory and walk composites
package xpc

// TypeTag classifies a foreign XPC object.
type TypeTag int

// Unknown is the zero value so an uninitialized Value reads as Unknown.
const (
	Unknown TypeTag = iota
	Dictionary
	Array
	String
	Int64
	UInt64
	Double
	Bool
	Data
)

var tagNames = [...]string{
	Unknown:    "unknown",
	Dictionary: "dictionary",
	Array:      "array",
	String:     "string",
	Int64:      "int64",
	UInt64:     "uint64",
	Double:     "double",
	Bool:       "bool",
	Data:       "data",
}

func (t TypeTag) String() string {
	if t < 0 || int(t) >= len(tagNames) {
		return "unknown"
	}
	return tagNames[t]
}

// Composite reports whether values of this kind own children.
func (t TypeTag) Composite() bool {
	return t == Dictionary || t == Array
}
