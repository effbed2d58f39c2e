package xpc

// PointerSize is the width of a foreign pointer. Only 64-bit targets are supported.
const PointerSize = 8

// Layout describes where fields live inside the foreign object representation.
// All offsets are relative to the object's address. The defaults match the
// object layout produced by the simulated target; live targets can override
// any field from the configuration file.
type Layout struct {
	Descriptor     uint64 `yaml:"descriptor"`
	DescriptorMask uint64 `yaml:"descriptor_mask"`

	// Payload of int64, uint64, double and bool objects.
	Scalar uint64 `yaml:"scalar"`

	StringLength  uint64 `yaml:"string_length"`
	StringPointer uint64 `yaml:"string_pointer"`
	DataLength    uint64 `yaml:"data_length"`
	DataPointer   uint64 `yaml:"data_pointer"`

	// Arrays keep a count and a pointer to a contiguous run of object pointers.
	ArrayCount uint64 `yaml:"array_count"`
	ArrayItems uint64 `yaml:"array_items"`

	// Dictionaries keep a bucket table; each bucket heads a singly linked
	// chain of nodes carrying the value pointer and the key inline.
	DictBucketCount uint64 `yaml:"dict_bucket_count"`
	DictBuckets     uint64 `yaml:"dict_buckets"`
	DictNodeNext    uint64 `yaml:"dict_node_next"`
	DictNodeValue   uint64 `yaml:"dict_node_value"`
	DictNodeKey     uint64 `yaml:"dict_node_key"`

	ConnectionName uint64 `yaml:"connection_name"`
	ConnectionPID  uint64 `yaml:"connection_pid"`

	// Sanity bounds against corrupted objects.
	MaxString  uint64 `yaml:"max_string"`
	MaxData    uint64 `yaml:"max_data"`
	MaxKey     uint64 `yaml:"max_key"`
	MaxMembers uint64 `yaml:"max_members"`
	MaxBuckets uint64 `yaml:"max_buckets"`
}

// DefaultLayout returns the built-in layout.
func DefaultLayout() Layout {
	return Layout{
		Descriptor:      0x00,
		DescriptorMask:  0x00007ffffffffff8,
		Scalar:          0x18,
		StringLength:    0x18,
		StringPointer:   0x20,
		DataLength:      0x18,
		DataPointer:     0x20,
		ArrayCount:      0x18,
		ArrayItems:      0x20,
		DictBucketCount: 0x18,
		DictBuckets:     0x20,
		DictNodeNext:    0x00,
		DictNodeValue:   0x08,
		DictNodeKey:     0x10,
		ConnectionName:  0x28,
		ConnectionPID:   0x30,
		MaxString:       1 << 20,
		MaxData:         16 << 20,
		MaxKey:          4096,
		MaxMembers:      1 << 16,
		MaxBuckets:      1 << 16,
	}
}
