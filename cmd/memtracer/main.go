// Package main implements the memtracer CLI tool.
//
// memtracer produces a time-ordered trace of every read and write a patient
// Go program performs against one selected heap block. It works by:
//
//  1. Parsing the patient sources with go/ast
//  2. Inserting tracing hooks before every memory access
//  3. Injecting the tracer runtime package
//  4. Building and running the instrumented binary
//
// Usage:
//
//	memtracer run [-o out.map] [-c yes|no] -- main.go [patient-args]
//	memtracer build -o patient main.go    # build without running
//	memtracer view -f out.map             # serve a recorded trace
//
// The patient marks the allocation of interest through the mtrace package:
// SelectNextBlock before the Malloc call, then StartTracing/StopTracing
// around the section to observe.
package main

import (
	"flag"
	"fmt"
	"os"
)

const version = "0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch command := os.Args[1]; command {
	case "run":
		runCommand(os.Args[2:])
	case "build":
		buildCommand(os.Args[2:])
	case "view":
		viewCommand(os.Args[2:])
	case "version", "--version", "-v":
		fmt.Printf("memtracer version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

// initLogging parses the global flag set so glog is configured before the
// build or view paths log anything.
func initLogging() {
	_ = flag.CommandLine.Parse([]string{"-logtostderr=true"})
}

func printUsage() {
	fmt.Print(`memtracer - single-block memory access tracer

USAGE:
    memtracer <command> [arguments]

COMMANDS:
    run        Instrument, build, and run a patient program
    build      Instrument and build a patient program
    view       Serve a recorded map file over HTTP
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Trace a program, collapsing idle time spans (the default)
    memtracer run -o sort.map -- bubblesort.go

    # Keep the wall-clock proportions of the trace
    memtracer run -c no -- bubblesort.go

    # Inspect a recorded trace
    memtracer view -f sort.map -addr localhost:7600

ABOUT:
    memtracer records every read and write the patient performs against one
    heap block, across all of its threads. The patient selects the block:

        mtrace.SelectNextBlock()      // observe the next allocation
        p := mtrace.Malloc(n)         // the block to trace
        mtrace.StartTracing()         // begin recording
        ...                           // work on the block
        mtrace.StopTracing()          // stop recording

    Besides its time column, each trace record has four elements: thread,
    event, size, offset.
    - thread : an index (from zero) given to each thread of the patient.
    - event  : R:read, W:write, Tc:thread creation, Td:thread destruction.
    - size   : the number of bytes read or written (0 for Tc and Td).
    - offset : the offset in bytes inside the block (0 for Tc and Td).

    Timestamps are quantized: the time column counts slices, where one
    slice is the smallest gap observed between two events of any single
    thread.

`)
}
