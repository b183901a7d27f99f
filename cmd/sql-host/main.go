package main

import (
	"github.com/xscopehub/toolhost/internal/host"
	"github.com/xscopehub/toolhost/internal/hosts/sqlhost"
)

func main() {
	host.Main(sqlhost.Definition)
}
