package main

import (
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/hosts/containerhost"
)

func main() {
	host.Main(containerhost.Definition)
}
