package main

import (
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/hosts/browserhost"
)

func main() {
	host.Main(browserhost.Definition)
}
