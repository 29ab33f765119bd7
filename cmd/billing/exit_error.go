package main

import "fmt"

type exitError struct {
	code   int
	err    error
	silent bool
}

func (e *exitError) Error() string {
	if e == nil {
		return ""
	}
	if e.err != nil {
		return e.err.Error()
	}
	return fmt.Sprintf("exit %d", e.code)
}

func (e *exitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// runExitError maps the outcome of a long-running command. Cancellation by
// signal exits 130 without further noise.
func runExitError(err error) error {
	if err == nil {
		return nil
	}
	code, _ := classifyError(err)
	return &exitError{code: code, err: err, silent: code == exitCanceled}
}
