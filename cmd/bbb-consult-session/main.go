package main

import "github.com/bigbluebutton/bbb-consult-session/internal/app"

func main() {
	app.Main()
}
