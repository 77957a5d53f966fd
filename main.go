// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/toluaina/pgsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
