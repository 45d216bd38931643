package main

import "github.com/senseibot/sensei/cmd"

func main() {
	cmd.Execute()
}
