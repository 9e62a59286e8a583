package main

// General API documentation for swaggo. Run `swag init -g cmd/inferd/main.go`
// and build with -tags swagger to serve the UI.
//
// @title           inferd API
// @version         1.0
// @description     HTTP API over a persistent pool of llama.cpp inference workers.
//
// @contact.name   inferd maintainers
// @contact.url    https://github.com/veighnsche/inferd
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
