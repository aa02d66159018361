package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/sirupsen/logrus"
)

const defaultPort = 7100

// bridge-mock is a single-process stand-in for the relay bridge, meant for
// local development. It keeps channels and the event log in memory and
// accepts any invite or welcome token without verifying it.
func main() {
	logrus.SetLevel(logrus.DebugLevel)

	port := defaultPort
	if v := os.Getenv("BRIDGE_MOCK_PORT"); v != "" {
		// nolint:all
		fmt.Sscanf(v, "%d", &port)
	}
	token := os.Getenv("BRIDGE_MOCK_TOKEN")

	hub := newHub(token)
	http.HandleFunc("/", hub.handleWs)

	logrus.Infof("listening on :%d", port)
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), nil); err != nil {
		logrus.Fatalf("failed to serve: %v", err)
	}
}
