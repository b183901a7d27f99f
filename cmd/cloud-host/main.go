package main

import (
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/hosts/cloudhost"
)

func main() {
	host.Main(cloudhost.Definition)
}
