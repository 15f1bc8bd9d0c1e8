package main

import (
	"os"

	"horse.fit/tape/internal/app"
)

func main() {
	os.Exit(app.Run(os.Args[1:]))
}
