package main

import "github.com/yorozuya-cybersecurity/yorosec-confirm/pkg/cli"

func main() {
	cli.Execute()
}
