// Command arenacheck reports arena placements that would be rejected for
// cleanup obligations at run time.
package main

import (
	"golang.org/x/tools/go/analysis/singlechecker"

	"github.com/pavanmanishd/dynarena/arenacheck"
)

func main() { singlechecker.Main(arenacheck.Analyzer) }
