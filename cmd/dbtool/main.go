// dbtool inspects and backs up a page store file.
// Usage:
//
//	dbtool stats <file>
//	dbtool backup <file> <out>
package main

import (
	"flag"
	"fmt"
	"os"

	"blockstore"
	"blockstore/pagestore"

	"github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}
	switch os.Args[1] {
	case "stats":
		statsCmd(os.Args[2:])
	case "backup":
		backupCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage:\n  dbtool stats <file>\n  dbtool backup <file> <out>\n")
	os.Exit(1)
}

func statsCmd(args []string) {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 1 {
		usage()
	}

	db := blockstore.NewDatabase()
	ps, err := pagestore.Open(pagestore.Config{
		FileName:   fs.Arg(0),
		ReadOnly:   true,
		TraceLevel: logrus.WarnLevel,
	}, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbtool: %v\n", err)
		os.Exit(1)
	}
	defer ps.Close()

	fmt.Printf("file             %s\n", fs.Arg(0))
	fmt.Printf("new              %v\n", ps.IsNew())
	fmt.Printf("readOnly         %v\n", ps.ReadOnly())
	fmt.Printf("pageSize         %d\n", ps.PageSize())
	fmt.Printf("blockSize        %d\n", ps.BlockSize())
	fmt.Printf("blocksPerPage    %d\n", ps.BlocksPerPage())
	fmt.Printf("pageCount        %d\n", ps.PageCount())
	fmt.Printf("systemRootPageId %d\n", ps.SystemRootPageId())
}

func backupCmd(args []string) {
	fs := flag.NewFlagSet("backup", flag.ExitOnError)
	fs.Parse(args)
	if fs.NArg() < 2 {
		usage()
	}

	db := blockstore.NewDatabase()
	ps, err := pagestore.Open(pagestore.Config{
		FileName:   fs.Arg(0),
		ReadOnly:   true,
		TraceLevel: logrus.WarnLevel,
	}, db)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbtool: %v\n", err)
		os.Exit(1)
	}
	defer ps.Close()

	out, err := os.Create(fs.Arg(1))
	if err != nil {
		fmt.Fprintf(os.Stderr, "dbtool: %v\n", err)
		os.Exit(1)
	}
	defer out.Close()

	pages := 0
	for pageID := 0; pageID >= 0; {
		pageID, err = ps.CopyDirect(pageID, out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dbtool: %v\n", err)
			os.Exit(1)
		}
		if pageID < 0 {
			break
		}
		pages++
	}
	fmt.Printf("copied %d pages to %s\n", pages, fs.Arg(1))
}
