package main

// General API documentation for swaggo. Run `swag init -g cmd/modelworker/docs.go` to
// generate docs, then build with -tags=swagger to serve them.
//
// @title           modelworker API
// @version         1.0
// @description     Model worker protocol (generate, generate_stream, count_token, model_metadata, embeddings) and chat API.
//
// @contact.name   modelworker maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
