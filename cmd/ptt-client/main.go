// Command ptt-client is an interactive terminal client for the PTT relay.
// It connects to the realtime channel, reports a position and drives the
// transmit/upload/complaint cycle from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"pttrelay/pkg/client"
)

func main() {
	var (
		serverURL = flag.String("server", "ws://localhost:3030/ws", "Relay websocket URL")
		userID    = flag.String("user", "", "User id (generated when empty)")
		name      = flag.String("name", "", "Display name")
		lat       = flag.Float64("lat", 50.0, "Initial latitude")
		lon       = flag.Float64("lon", 36.0, "Initial longitude")
	)
	flag.Parse()

	c := client.NewClient(client.Config{
		ServerURL: *serverURL,
		UserID:    *userID,
		Name:      *name,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan
		log.Println("Shutting down...")
		cancel()
	}()

	if err := c.Connect(ctx); err != nil {
		log.Fatal("Failed to connect: ", err)
	}
	defer c.Close()
	log.Printf("Connected as %s", c.UserID())

	if err := c.UpdateLocation(ctx, *lat, *lon); err != nil {
		log.Fatal("Failed to report location: ", err)
	}

	go func() {
		if err := c.Listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("Listen stopped: %v", err)
			cancel()
		}
	}()

	fmt.Println("Commands: start | stop | loc <lat> <lon> | upload <file> | complain <messageId> | quit")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "start":
			if err := c.StartTransmit(ctx); err != nil {
				log.Printf("start failed: %v", err)
			}
		case "stop":
			if err := c.StopTransmit(ctx); err != nil {
				log.Printf("stop failed: %v", err)
			}
		case "loc":
			if len(fields) != 3 {
				fmt.Println("usage: loc <lat> <lon>")
				continue
			}
			la, err1 := strconv.ParseFloat(fields[1], 64)
			lo, err2 := strconv.ParseFloat(fields[2], 64)
			if err1 != nil || err2 != nil {
				fmt.Println("usage: loc <lat> <lon>")
				continue
			}
			*lat, *lon = la, lo
			if err := c.UpdateLocation(ctx, la, lo); err != nil {
				log.Printf("loc failed: %v", err)
			}
		case "upload":
			if len(fields) != 2 {
				fmt.Println("usage: upload <file>")
				continue
			}
			f, err := os.Open(fields[1])
			if err != nil {
				log.Printf("open failed: %v", err)
				continue
			}
			msg, err := c.Upload(ctx, *lat, *lon, fields[1], "", f)
			f.Close()
			if err != nil {
				log.Printf("upload failed: %v", err)
				continue
			}
			log.Printf("Relayed as message %s (%s)", msg.ID, msg.URL)
		case "complain":
			if len(fields) != 2 {
				fmt.Println("usage: complain <messageId>")
				continue
			}
			count, duplicated, err := c.Complain(ctx, fields[1])
			if err != nil {
				log.Printf("complaint failed: %v", err)
				continue
			}
			log.Printf("Complaint recorded: count=%d duplicated=%v", count, duplicated)
		case "quit", "exit":
			return
		default:
			fmt.Println("Commands: start | stop | loc <lat> <lon> | upload <file> | complain <messageId> | quit")
		}
	}
}
