package test

import (
	"bufio"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// SpecLabelsChecker fails the run when an It or Entry under the test tree is
// not labelled "fast" or "slow".
func SpecLabelsChecker() {
	labelCounter := 0
	var testList []string
	var testSuites []string
	err := filepath.Walk("../../test", func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() && strings.HasSuffix(path, "_test.go") {
			testSuites = append(testSuites, path)
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}
	itRegexp := regexp.MustCompile(`^\s*(It|Entry)\(`)
	slowRegexp := regexp.MustCompile(`Label\("slow"\)`)
	fastRegexp := regexp.MustCompile(`Label\("fast"\)`)
	for _, testSuite := range testSuites {
		file, err := os.Open(testSuite)
		if err != nil {
			log.Fatal(err)
		}
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if itRegexp.MatchString(line) && !(slowRegexp.MatchString(line) || fastRegexp.MatchString(line)) {
				testList = append(testList, strings.Join(strings.Fields(strings.TrimSpace(line)), " "))
				labelCounter++
			}
		}
		if err := scanner.Err(); err != nil {
			log.Fatal(err)
		}
		file.Close()
	}
	if labelCounter > 0 {
		log.Fatalf("There are %d tests without a 'slow' or 'fast' label. Add one with Label(\"slow\") or Label(\"fast\"), "+
			"for example: It(\"should create the Garnet cluster\", Label(\"fast\"), func() {\n * %s", labelCounter, strings.Join(testList, "\n * "))
	}
}
