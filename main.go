package main

import "github.com/ValentinKolb/repltail/cmd"

func main() {
	cmd.Execute()
}
