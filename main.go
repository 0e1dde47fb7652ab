package main

import "github.com/bastianbatory/KikeMorandeBot/cmd"

func main() {
	cmd.Execute()
}
