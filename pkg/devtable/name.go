package devtable

import (
	"strconv"
	"strings"
)

// ParseName splits a device name of the form <prefix><bus>.<chip>, such as
// "spi2.1", into its bus and chip numbers. Names that do not match yield
// (0, 0).
func ParseName(name string) (bus, chip int) {
	digits := strings.IndexFunc(name, func(r rune) bool { return r >= '0' && r <= '9' })
	if digits < 0 {
		return 0, 0
	}

	busPart, chipPart, ok := strings.Cut(name[digits:], ".")
	if !ok {
		return 0, 0
	}
	b, err := strconv.Atoi(busPart)
	if err != nil || b < 0 {
		return 0, 0
	}
	c, err := strconv.Atoi(chipPart)
	if err != nil || c < 0 {
		return 0, 0
	}
	return b, c
}

// Resolve combines a name with optional explicit values. Explicit values win
// over the parsed name.
func Resolve(name string, bus, chip *int) (int, int) {
	b, c := ParseName(name)
	if bus != nil {
		b = *bus
	}
	if chip != nil {
		c = *chip
	}
	return b, c
}
