package main

import (
	"github.com/ecom-labs/fulfillment/internal/app"
	"github.com/ecom-labs/fulfillment/internal/config"
)

func main() {
	config.MustInit()
	app.MustNewApp().Run()
}
