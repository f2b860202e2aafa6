package worker

import "fmt"

func errUnregisteredHandler(name string) error {
	return fmt.Errorf("no handler registered for task %q", name)
}
