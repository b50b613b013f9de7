package main

import "github.com/lexatlas/lexrag/cmd"

func main() {
	cmd.Execute()
}
