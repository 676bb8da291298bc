package main

import (
	"github.com/nagachandra-immadisetty/hyscale-sub000/internal/cli"
)

func main() {
	cli.Execute()
}
