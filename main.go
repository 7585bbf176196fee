package main

import "github.com/ValentinKolb/dSMB/cmd"

func main() {
	cmd.Execute()
}
