// SPDX-License-Identifier: Apache-2.0

// Package flags binds the CLI's persistent flags onto the PGSYNC_
// environment variables internal/config reads, mirroring the teacher's
// own cmd/flags package.
package flags

import (
	"github.com/spf13/cobra"

	"github.com/toluaina/pgsync/internal/config"
)

// Bind registers every persistent flag shared by the bootstrap, sync,
// and parallel-sync commands.
func Bind(cmd *cobra.Command) {
	config.BindFlags(cmd.PersistentFlags())
}
