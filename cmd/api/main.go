package main

import (
	"go.uber.org/fx"

	"github.com/speedelog/prepflow/internal/app"
)

func main() {
	fx.New(app.Module).Run()
}
