// Command ulakefs mounts a stack of directories as a single union
// filesystem. Usage:
//
//	ulakefs [-d] [-o OPT[,OPT...]] BRANCH[=RO|RW][:BRANCH...] MOUNTPOINT
//
// Branches are listed highest-priority first; a bare path defaults to RO.
// The mountpoint is always the last positional argument.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	gofuse "github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/ulakefs/ulakefs/branch"
	"github.com/ulakefs/ulakefs/config"
	"github.com/ulakefs/ulakefs/core"
	"github.com/ulakefs/ulakefs/fsnode"
)

const version = "0.1.0"

func main() {
	debug := flag.Bool("d", false, "print FUSE debug output")
	opts := flag.String("o", "", "comma-separated mount options (cow,chroot=DIR,hide_meta_files,max_files=N,relaxed_permissions,statfs_omit_ro,debug_file=PATH,dirs=...)")
	var showVersion bool
	flag.BoolVar(&showVersion, "V", false, "print version and exit")
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println("ulakefs", version)
		os.Exit(0)
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: ulakefs [-d] [-o OPT[,OPT...]] BRANCH[=RO|RW][:BRANCH...] MOUNTPOINT")
		os.Exit(2)
	}
	branchArg := args[0]
	mountpoint := args[len(args)-1]

	cfg := config.New()
	if *opts != "" {
		if _, err := config.ParseOptions(cfg, *opts); err != nil {
			fmt.Fprintln(os.Stderr, "ulakefs:", err)
			os.Exit(1)
		}
	}
	specs, err := config.ParseBranches(branchArg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ulakefs:", err)
		os.Exit(1)
	}
	cfg.Branches = append(cfg.Branches, specs...)

	if err := config.CheckPrivileges(cfg, uint32(os.Geteuid()), uint32(os.Getegid())); err != nil {
		fmt.Fprintln(os.Stderr, "ulakefs:", err)
		os.Exit(1)
	}

	table, err := branch.New(cfg.Branches, cfg.Chroot)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ulakefs:", err)
		os.Exit(1)
	}

	fs := core.New(table, cfg)

	root := fsnode.Root(fs)
	server, err := gofuse.Mount(mountpoint, root, &gofuse.Options{
		MountOptions: fuse.MountOptions{
			Debug:      *debug,
			FsName:     "ulakefs",
			Name:       "ulakefs",
			AllowOther: false,
		},
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "ulakefs: mount failed:", err)
		table.Close()
		os.Exit(1)
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		server.Unmount()
	}()

	server.Wait()
	table.Close()
}
