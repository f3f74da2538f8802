package cmd

import (
	"fmt"
	"io"

	"github.com/paulschiretz/pgl-cronbackup/pkg/buildinfo"
)

// RunVersion prints the application version.
func RunVersion(w io.Writer) error {
	_, err := fmt.Fprintln(w, buildinfo.Describe())
	return err
}
