// faketq replays synthetic tracker frames against a running receiver.
package main

import (
	"flag"
	"log"
	"math/rand"
	"net"
	"time"

	"nuha.dev/fleettrack/internal/gps/codec"
	"nuha.dev/fleettrack/internal/gps/codec/tq"
)

func main() {
	addr := flag.String("addr", "localhost:6001", "receiver address")
	devid := flag.String("devid", "0123456789", "10 digit device id")
	count := flag.Int("n", 10, "frames to send")
	interval := flag.Duration("interval", 2*time.Second, "delay between frames")
	flag.Parse()

	c, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	defer c.Close()

	lat := -34.594233
	lon := -58.383200
	for i := 0; i < *count; i++ {
		lat += (rand.Float64() - 0.5) * 0.001
		lon += (rand.Float64() - 0.5) * 0.001
		fix := &codec.Fix{
			RawID:    *devid,
			GPSTime:  time.Now().UTC(),
			Lat:      lat,
			Lon:      lon,
			SpeedKmh: rand.Intn(90),
			Heading:  rand.Intn(360),
			Seq:      i + 1,
			HasSeq:   true,
		}
		frame := tq.Encode(fix)
		if _, err := c.Write(frame); err != nil {
			log.Fatal(err)
		}
		log.Printf("sent %s", frame)
		time.Sleep(*interval)
	}
}
