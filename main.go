package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"

	"github.com/dichfoto/photostore/delivery"
	"github.com/dichfoto/photostore/proxy"
	"github.com/dichfoto/photostore/thumbs"
	"github.com/dichfoto/photostore/utils"
	"github.com/urfave/cli"
)

var albumFlag = cli.Int64Flag{
	Name:  "album, a",
	Usage: "album id",
}

func withApp(action func(ctx context.Context, a *app, c *cli.Context) error) func(c *cli.Context) error {
	return func(c *cli.Context) error {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		a, err := open(ctx, c.GlobalString("config"))
		if err != nil {
			return err
		}
		defer a.Close()
		return action(ctx, a, c)
	}
}

func requireAlbum(c *cli.Context) (int64, error) {
	album := c.Int64("album")
	if album < 1 {
		return 0, errors.New("give me an --album")
	}
	return album, nil
}

func newCLI() *cli.App {
	cliApp := cli.NewApp()
	cliApp.Name = "photostore"
	cliApp.Usage = "store the photos, make the thumbnails, hand them back"
	cliApp.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "config, c",
			Usage: "yaml config file, the environment overrides it",
		},
	}
	cliApp.Commands = []cli.Command{
		{
			Name:      "upload",
			Usage:     "save files into an album, never overwriting anything already there",
			ArgsUsage: "files...",
			Flags:     []cli.Flag{albumFlag},
			Action: withApp(func(ctx context.Context, a *app, c *cli.Context) error {
				album, err := requireAlbum(c)
				if err != nil {
					return err
				}
				if c.NArg() == 0 {
					return errors.New("give me some files to upload")
				}
				for _, path := range c.Args() {
					if err := upload(ctx, a, album, path); err != nil {
						return err
					}
				}
				return nil
			}),
		},
		{
			Name:  "cat",
			Usage: "dump an original, thumbnail or variant to stdout",
			Flags: []cli.Flag{
				albumFlag,
				cli.StringFlag{
					Name:  "name, n",
					Usage: "stored name",
				},
				cli.BoolFlag{
					Name:  "thumb",
					Usage: "the thumbnail instead of the original",
				},
				cli.StringFlag{
					Name:  "variant",
					Usage: "a responsive variant, like webp:960",
				},
				cli.StringFlag{
					Name:  "if-none-match",
					Usage: "etag from an earlier cat, prints nothing if it still matches",
				},
			},
			Action: withApp(func(ctx context.Context, a *app, c *cli.Context) error {
				album, err := requireAlbum(c)
				if err != nil {
					return err
				}
				id, err := a.svc.Lookup(ctx, album, c.String("name"))
				if err != nil {
					return err
				}
				var rep delivery.Representation = delivery.Original{}
				if c.Bool("thumb") {
					rep = delivery.Thumbnail{}
				}
				if c.String("variant") != "" {
					variant, ok := proxy.ParseVariant(c.String("variant"))
					if !ok {
						return errors.New("variant must look like webp:960")
					}
					rep = variant
				}
				sd, err := a.svc.Deliver(ctx, id, rep, delivery.Options{IfNoneMatch: c.String("if-none-match")})
				if err != nil {
					return err
				}
				return dump(ctx, sd, os.Stdout)
			}),
		},
		{
			Name:  "thumbs",
			Usage: "generate every missing thumbnail and variant in an album",
			Flags: []cli.Flag{albumFlag},
			Action: withApp(func(ctx context.Context, a *app, c *cli.Context) error {
				album, err := requireAlbum(c)
				if err != nil {
					return err
				}
				ids, err := a.svc.AlbumAssets(ctx, album)
				if err != nil {
					return err
				}
				for _, id := range ids {
					if !thumbs.IsImage(id.StoredName) {
						continue
					}
					sd, err := a.svc.Deliver(ctx, id, delivery.Thumbnail{}, delivery.Options{})
					if err != nil {
						return err
					}
					sd.Close()
					// one variant request builds the whole set, every enabled format and width
					widest := thumbs.VariantWidths[len(thumbs.VariantWidths)-1]
					sd, err = a.svc.Deliver(ctx, id, delivery.Variant{Format: thumbs.FormatJPEG, Width: widest}, delivery.Options{})
					if err != nil {
						return err
					}
					sd.Close()
					log.Println("Derivatives ready for", id.StoredName)
				}
				return nil
			}),
		},
		{
			Name:  "zip",
			Usage: "write an album archive",
			Flags: []cli.Flag{
				albumFlag,
				cli.StringFlag{
					Name:  "title, t",
					Usage: "album title, used as the folder inside the zip",
				},
				cli.StringFlag{
					Name:  "output, o",
					Usage: "where to write it, defaults to <title>.zip in the current directory",
				},
			},
			Action: withApp(func(ctx context.Context, a *app, c *cli.Context) error {
				album, err := requireAlbum(c)
				if err != nil {
					return err
				}
				title := c.String("title")
				if title == "" {
					title = fmt.Sprintf("album %d", album)
				}
				sd, err := a.svc.BuildArchive(ctx, album, title, nil)
				if err != nil {
					return err
				}
				output := c.String("output")
				if output == "" {
					output = delivery.ArchiveFilename(title)
				}
				f, err := os.Create(output)
				if err != nil {
					sd.Close()
					return err
				}
				defer f.Close()
				log.Println("Writing", output)
				return dump(ctx, sd, f)
			}),
		},
		{
			Name:  "serve",
			Usage: "serve albums over http",
			Flags: []cli.Flag{
				cli.StringFlag{
					Name:  "listen, l",
					Usage: "address to listen on, overrides the config",
				},
			},
			Action: func(c *cli.Context) error {
				a, err := open(context.Background(), c.GlobalString("config"))
				if err != nil {
					return err
				}
				defer a.Close()
				listen := c.String("listen")
				if listen == "" {
					listen = a.cfg.Listen
				}
				return proxy.Serve(a.svc, listen)
			},
		},
		{
			Name:  "remote",
			Usage: "poke at the remote backend directly",
			Subcommands: []cli.Command{
				{
					Name:  "folder",
					Usage: "find or create a folder, prints its id",
					Flags: []cli.Flag{
						cli.StringFlag{
							Name:  "parent, p",
							Usage: "parent folder id, defaults to the configured root",
						},
						cli.StringFlag{
							Name:  "name, n",
							Usage: "folder name",
						},
					},
					Action: withApp(func(ctx context.Context, a *app, c *cli.Context) error {
						if a.remote == nil {
							return errors.New("remote mode is off")
						}
						if c.String("name") == "" {
							return errors.New("give me a folder --name")
						}
						parent := c.String("parent")
						if parent == "" {
							parent = a.cfg.RemoteRootID
						}
						id, err := a.remote.EnsureFolder(ctx, parent, c.String("name"))
						if err != nil {
							return err
						}
						fmt.Println(id)
						return nil
					}),
				},
			},
		},
	}
	return cliApp
}

func main() {
	err := newCLI().Run(os.Args)
	if err != nil {
		log.Fatal(err)
	}
}

func upload(ctx context.Context, a *app, album int64, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	saved, err := a.svc.Save(ctx, album, filepath.Base(path), f)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	where := "locally"
	if saved.RemoteFileID != "" {
		where = "remote id " + saved.RemoteFileID
	}
	log.Println("Saved", path, "as", saved.StoredName, saved.MimeType, where)
	return nil
}

// dump writes a descriptor's body to out, or just logs when there is nothing new
func dump(ctx context.Context, sd *delivery.StreamDescriptor, out io.Writer) error {
	if sd.ETag != "" {
		log.Println("ETag", sd.ETag)
	}
	if sd.NotModified {
		log.Println("Not modified")
		return nil
	}
	if sd.Placeholder {
		log.Println("Nothing to show, writing a placeholder")
	}
	reader := sd.Reader(ctx)
	defer reader.Close()
	_, err := utils.Copy(out, reader)
	return err
}
