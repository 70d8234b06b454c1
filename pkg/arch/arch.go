package arch

import "strings"

// Tag is the architecture suffix used in frida-server release names.
type Tag string

const (
	ARM64  Tag = "android-arm64"
	ARM    Tag = "android-arm"
	X86    Tag = "android-x86"
	X86_64 Tag = "android-x86_64"
	// Unknown is returned when the device reports no ABI at all.
	Unknown Tag = "unknown"
)

// PropertyABI is the system property holding the primary ABI.
const PropertyABI = "ro.product.cpu.abi"

var abiTable = map[string]Tag{
	"arm64-v8a":   ARM64,
	"armeabi-v7a": ARM,
	"x86":         X86,
	"x86_64":      X86_64,
}

// Supported returns the tags with a fixed ABI mapping.
func Supported() []Tag {
	return []Tag{ARM64, ARM, X86, X86_64}
}

// String returns the tag as string.
func (t Tag) String() string {
	return string(t)
}

// Known reports whether t is one of the mapped tags.
func (t Tag) Known() bool {
	switch t {
	case ARM64, ARM, X86, X86_64:
		return true
	default:
		return false
	}
}

// Resolve maps a raw Android ABI to a release tag. Unmapped values are
// returned verbatim so newer ABIs still produce a download attempt.
func Resolve(rawABI string) Tag {
	abi := strings.TrimSpace(rawABI)
	if abi == "" {
		return Unknown
	}
	if tag, ok := abiTable[abi]; ok {
		return tag
	}
	return Tag(abi)
}
