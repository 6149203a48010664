// Command nbodydomain drives the domain decomposition subsystem outside
// of a real simulation loop: it runs decompositions over synthetic or
// catalog-loaded particle sets split across a configurable number of
// in-process simulated ranks, for testing and benchmarking the
// decomposition pass in isolation.
package main

import "github.com/cosmo-nbody/nbodydomain/cmd/nbodydomain/cmd"

func main() {
	cmd.Execute()
}
