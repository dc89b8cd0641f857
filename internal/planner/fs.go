package planner

import "os"

func defaultPathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
