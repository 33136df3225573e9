/*
 * Copyright 2018 De-labtory
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 * https://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Command swimrebctl is a small operator CLI over a running Runtime's
// debug HTTP surface (SPEC_FULL.md §1.5), built on github.com/urfave/cli
// — already present in the teacher's go.mod but unused by swim.go's own
// logic, wired here.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/urfave/cli"
)

func main() {
	app := cli.NewApp()
	app.Name = "swimrebctl"
	app.Usage = "inspect a running swimreb membership/rebuild engine"
	app.Flags = []cli.Flag{
		cli.StringFlag{Name: "addr", Value: "http://127.0.0.1:8700", Usage: "debug HTTP base URL"},
	}
	app.Commands = []cli.Command{
		{
			Name:  "members",
			Usage: "list known members",
			Action: func(c *cli.Context) error {
				return getAndPrint(c.GlobalString("addr") + "/v1/members")
			},
		},
		{
			Name:      "member",
			Usage:     "show one member's state",
			ArgsUsage: "<rank>",
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("usage: swimrebctl member <rank>", 1)
				}
				return getAndPrint(c.GlobalString("addr") + "/v1/members/" + c.Args().Get(0))
			},
		},
		{
			Name:      "tasks",
			Usage:     "query a pool's rebuild task status",
			ArgsUsage: "<pool> [--version N]",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "version", Value: "0"},
			},
			Action: func(c *cli.Context) error {
				if c.NArg() != 1 {
					return cli.NewExitError("usage: swimrebctl tasks <pool>", 1)
				}
				pool := c.Args().Get(0)
				url := fmt.Sprintf("%s/v1/tasks/%s?version=%s", c.GlobalString("addr"), pool, c.String("version"))
				return getAndPrint(url)
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func getAndPrint(url string) error {
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty interface{}
	if err := json.Unmarshal(body, &pretty); err != nil {
		fmt.Println(string(body))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(pretty)
}
