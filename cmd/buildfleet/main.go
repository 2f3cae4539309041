// Package main provides the entry point for the buildfleet CLI.
package main

import "yqhp/buildfleet/cmd"

func main() {
	cmd.Execute()
}
