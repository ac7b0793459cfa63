// Package utils
package utils

import (
	"io"
	"log"
	"os"
	"sync"
)

var (
	logger *log.Logger
	once   sync.Once
)

func GetLogger() *log.Logger {
	once.Do(func() {
		file, err := os.OpenFile("signal-coordinator.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			log.Fatal(err)
		}
		logger = log.New(io.MultiWriter(file, os.Stderr), "Signal Coordinator: ", log.LstdFlags)
	})
	return logger
}
