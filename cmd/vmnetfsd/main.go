// Command vmnetfsd is the lifecycle driver: it reads a configuration
// document from stdin, constructs one image engine per declared image,
// mounts the namespace, and tears down when stdin closes.
//
// The command shape (a cobra root command with a small pflag surface)
// follows the teacher's CLI convention; the actual mount loop is specific
// to this driver since FUSE mounting is outside rclone's own cmd/mount
// sources available in the reference pack.
package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/cmusatyalab/vmnetfs/lib/vmlog"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/config"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/image"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/namespace"
	"github.com/cmusatyalab/vmnetfs/vmnetfs/transport"
)

// version is substituted at build time via -ldflags; it feeds the
// transport User-Agent, per spec.md §6: "vmnetfs/<version> <transport
// library version>".
var version = "dev"

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var logLevel string

	cmd := &cobra.Command{
		Use:   "vmnetfsd MOUNTPOINT",
		Short: "vmnetfs on-demand chunked VM image filesystem driver",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(args[0], logLevel)
		},
		SilenceUsage: true,
	}
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "debug, info, or error")
	return cmd
}

func run(mountpoint, logLevel string) error {
	// SIGINT is ignored; the driver is torn down by its stdin closing,
	// not by signal, per spec.md §6.
	signal.Ignore(syscall.SIGINT)

	log := vmlog.Init()
	vmlog.SetDefault(log)
	switch logLevel {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
	transport.UserAgent = fmt.Sprintf("vmnetfs/%s (net/http)", version)

	body, err := config.ReadFramed(os.Stdin)
	if err != nil {
		return fail(err)
	}
	doc, err := config.Parse(bytes.NewReader(body))
	if err != nil {
		return fail(err)
	}

	images := make(map[string]*image.Image)
	for _, ic := range doc.Images {
		img, err := openImage(ic)
		if err != nil {
			return fail(err)
		}
		images[ic.Name] = img
	}
	defer func() {
		for _, img := range images {
			img.Close()
		}
	}()

	ns := namespace.Build(doc, images, log)
	root := namespace.NewRoot(ns)

	server, err := fs.Mount(mountpoint, root, &fs.Options{
		MountOptions: fuse.MountOptions{
			FsName:  "vmnetfs",
			Name:    "vmnetfs",
			AllowOther: false,
		},
	})
	if err != nil {
		return fail(err)
	}

	// Success: a blank line then the mountpoint, per spec.md §6.
	fmt.Println()
	fmt.Println(mountpoint)

	go waitForStdinEOF(server, mountpoint, log)

	server.Wait()
	return nil
}

// waitForStdinEOF blocks until the parent closes stdin, then unmounts
// through server.Unmount. This is a plain unmount, not a lazy one: it does
// not detach a mount that still has open files, and a failed unmount is
// only logged.
func waitForStdinEOF(server *fuse.Server, mountpoint string, log *vmlog.Log) {
	buf := make([]byte, 4096)
	for {
		if _, err := os.Stdin.Read(buf); err != nil {
			break
		}
	}
	log.Infof("driver", "stdin closed, unmounting %s", mountpoint)
	if err := server.Unmount(); err != nil {
		log.Errorf("driver", "unmount failed: %v", err)
	}
}

func openImage(ic config.ImageConfig) (*image.Image, error) {
	var creds *transport.Credentials
	if ic.Origin.Credentials != nil {
		creds = &transport.Credentials{
			Username: ic.Origin.Credentials.Username,
			Password: ic.Origin.Credentials.Password,
		}
	}

	var validators transport.Validators
	if ic.Origin.Validators != nil {
		validators = transport.Validators{
			ETag:         ic.Origin.Validators.ETag,
			LastModified: ic.Origin.Validators.LastModified,
		}
	}

	var cookies []*http.Cookie
	if ic.Origin.Cookies != nil {
		for _, raw := range ic.Origin.Cookies.Cookie {
			if c := parseCookie(raw); c != nil {
				cookies = append(cookies, c)
			}
		}
	}

	client, err := transport.New(transport.Options{
		MaxConcurrent:     4,
		RequestsPerSecond: 0,
		Credentials:       creds,
		Cookies:           cookies,
		CookieURL:         ic.Origin.URL,
	})
	if err != nil {
		return nil, err
	}

	return image.Open(image.Config{
		Name:        ic.Name,
		OriginURL:   ic.Origin.URL,
		FetchOffset: ic.Origin.Offset,
		SegmentSize: ic.Origin.SegmentSize,
		ChunkSize:   ic.Cache.ChunkSize,
		InitialSize: ic.Size,
		Validators:  validators,
		CacheDir:    ic.Cache.Path,
		Client:      client,
	})
}

// parseCookie turns a config "name=value" cookie line into an
// http.Cookie; malformed entries are dropped rather than failing the
// whole mount.
func parseCookie(raw string) *http.Cookie {
	name, value, ok := strings.Cut(raw, "=")
	if !ok {
		return nil
	}
	return &http.Cookie{Name: name, Value: value}
}

func fail(err error) error {
	fmt.Println(err.Error())
	return err
}
