package main

import (
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/hosts/httphost"
)

func main() {
	host.Main(httphost.Definition)
}
