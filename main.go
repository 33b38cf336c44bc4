package main

import (
	"context"
	"os"

	"github.com/rb3ckers/dualwrite/cmd"
	"github.com/rs/zerolog"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Str("service", "dualwrite").Logger()
	ctx := logger.WithContext(context.Background())

	cmd.Execute(ctx)
}
