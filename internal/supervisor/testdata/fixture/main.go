// Command fixture is a throwaway HTTP server used by supervisor_test.go to
// stand in for a registry artifact: it binds 127.0.0.1:<port> (port taken
// from argv[1], mirroring the {port} substitution in buildCommand) and
// answers 200 OK to every request.
package main

import (
	"fmt"
	"net/http"
	"os"
)

func main() {
	port := os.Args[1]
	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, "ok")
	})
	if err := http.ListenAndServe("127.0.0.1:"+port, nil); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
