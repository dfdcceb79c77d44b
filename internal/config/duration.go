package config

import "time"

// Duration is a time.Duration that decodes from strings such as "30s" in
// TOML files and environment variables.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// D returns the value as a time.Duration
func (d Duration) D() time.Duration { return time.Duration(d) }
