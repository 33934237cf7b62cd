package testframework

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"
)

var TIMEOUT = setTimeout()

func setTimeout() time.Duration {
	if os.Getenv("SLOW_MACHINE") == "1" {
		return 420 * time.Second
	}
	return 150 * time.Second
}

// WriteConfig writes a node config file in key=value format, with an
// optional network section appended.
func WriteConfig(filename string, config map[string]string, networkConfig map[string]string, sectionName string) {
	b := []byte{}
	for k, v := range config {
		b = append(b, []byte(fmt.Sprintf("%s=%s\n", k, v))...)
	}
	if networkConfig != nil {
		b = append(b, []byte(fmt.Sprintf("[%s]\n", sectionName))...)
		for k, v := range networkConfig {
			b = append(b, []byte(fmt.Sprintf("%s=%s\n", k, v))...)
		}
	}
	os.WriteFile(filename, b, os.ModePerm)
}

// ReadConfig parses a key=value node config file. Comments and section
// headers are skipped.
func ReadConfig(filename string) (map[string]string, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	conf := map[string]string{}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if strings.Contains(scanner.Text(), "#") || !strings.Contains(scanner.Text(), "=") {
			continue
		}
		parts := strings.Split(scanner.Text(), "=")
		conf[parts[0]] = parts[1]
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return conf, nil
}
