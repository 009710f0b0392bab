package main

import "github.com/DominicWuest/perfscepter/cmd"

func main() {
	cmd.Execute()
}
