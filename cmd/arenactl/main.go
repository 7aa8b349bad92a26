// Command arenactl exercises dynarena arenas from the command line.
package main

func main() {
	execute()
}
