package main

import "github.com/genexlance/postquantumlattice-sub000/cli/cmd"

func main() {
	cmd.Execute()
}
