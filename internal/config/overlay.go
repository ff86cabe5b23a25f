package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

// EnvPrefix prefixes every environment variable read by Overlay.
const EnvPrefix = "CAMRELAY_"

// EnvName returns the environment variable for a flag name:
// "connect-timeout" becomes CAMRELAY_CONNECT_TIMEOUT.
func EnvName(flag string) string {
	return EnvPrefix + strings.ToUpper(strings.ReplaceAll(flag, "-", "_"))
}

// Overlay applies flag and environment overrides to config fields.
//
// Resolution order for each field:
//  1. the flag, if set on the command line
//  2. the CAMRELAY_* environment variable, if non-empty
//  3. the value already in the field (config file or default)
//
// Parse errors are collected and reported by Err.
type Overlay struct {
	Flags *pflag.FlagSet
	// Getenv looks up environment variables. nil uses os.Getenv.
	Getenv func(string) string

	errs []string
}

// lookup returns the raw override for name and whether one exists.
func (o *Overlay) lookup(name string) (string, bool) {
	if o.Flags != nil {
		if f := o.Flags.Lookup(name); f != nil && f.Changed {
			return f.Value.String(), true
		}
	}
	getenv := o.Getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	if v := getenv(EnvName(name)); v != "" {
		return v, true
	}
	return "", false
}

func (o *Overlay) fail(name, v string, err error) {
	o.errs = append(o.errs, fmt.Sprintf("%s=%q: %v", name, v, err))
}

// String overrides dst from flag or environment.
func (o *Overlay) String(name string, dst *string) {
	if v, ok := o.lookup(name); ok {
		*dst = v
	}
}

// Int overrides dst from flag or environment.
func (o *Overlay) Int(name string, dst *int) {
	if v, ok := o.lookup(name); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			o.fail(name, v, err)
			return
		}
		*dst = n
	}
}

// Bool overrides dst from flag or environment.
func (o *Overlay) Bool(name string, dst *bool) {
	if v, ok := o.lookup(name); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			o.fail(name, v, err)
			return
		}
		*dst = b
	}
}

// Duration overrides dst from flag or environment.
func (o *Overlay) Duration(name string, dst *time.Duration) {
	if v, ok := o.lookup(name); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			o.fail(name, v, err)
			return
		}
		*dst = d
	}
}

// Strings overrides dst from a string-slice flag or a comma-separated
// environment variable.
func (o *Overlay) Strings(name string, dst *[]string) {
	if o.Flags != nil {
		if f := o.Flags.Lookup(name); f != nil && f.Changed {
			v, err := o.Flags.GetStringSlice(name)
			if err != nil {
				o.fail(name, f.Value.String(), err)
				return
			}
			*dst = v
			return
		}
	}
	if v, ok := o.lookup(name); ok {
		var out []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		*dst = out
	}
}

// Err reports every override that failed to parse.
func (o *Overlay) Err() error {
	if len(o.errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid settings: %s", strings.Join(o.errs, "; "))
}
