package main

import "github.com/hollowpoint-games/warden/cmd/warden/commands"

func main() {
	commands.Execute()
}
