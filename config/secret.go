package config

// Secret is a string that is not printed in logs.
type Secret string

// String implements fmt.Stringer.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "*****"
}

// Value returns the unmasked value.
func (s Secret) Value() string {
	return string(s)
}
