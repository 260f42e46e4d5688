package main

import (
	"context"
)

func main() {
	app := mustBootstrapBeaconAPI()
	defer app.Close()

	if err := app.Run(); err != nil && err != context.Canceled {
		panic(err)
	}
}
