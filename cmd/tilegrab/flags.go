package main

import (
	"errors"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// exitError carries a process exit code through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// changedFlags collects the flags the user actually set, keyed the way
// config.MergeCommandLineFlags expects. Untouched flags keep lower-precedence
// sources (file, env) in charge.
func changedFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})

	cmd.Flags().Visit(func(f *pflag.Flag) {
		var (
			v   interface{}
			err error
		)
		fs := cmd.Flags()
		switch f.Value.Type() {
		case "int":
			v, err = fs.GetInt(f.Name)
		case "bool":
			v, err = fs.GetBool(f.Name)
		case "float64":
			v, err = fs.GetFloat64(f.Name)
		case "duration":
			var d time.Duration
			d, err = fs.GetDuration(f.Name)
			v = d
		default:
			v = f.Value.String()
		}
		if err == nil {
			flags[f.Name] = v
		}
	})

	return flags
}
