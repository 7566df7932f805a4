package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	grpcapi "serial-voice-ingress/internal/api/grpc"
)

func main() {
	addr := flag.String("addr", "localhost:50051", "service gRPC address")
	watch := flag.Bool("watch", false, "stream status changes until interrupted")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	client := grpc_health_v1.NewHealthClient(conn)

	if *watch {
		stream, err := client.Watch(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: grpcapi.ServiceName})
		if err != nil {
			log.Fatalf("failed to watch: %v", err)
		}
		for {
			resp, err := stream.Recv()
			if err != nil {
				log.Fatalf("watch ended: %v", err)
			}
			log.Printf("%s: %s", grpcapi.ServiceName, resp.Status)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, svc := range []string{"", grpcapi.ServiceName} {
		resp, err := client.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: svc})
		if err != nil {
			log.Fatalf("health check %q failed: %v", svc, err)
		}
		log.Printf("service=%q status=%s", svc, resp.Status)
		if resp.Status != grpc_health_v1.HealthCheckResponse_SERVING {
			os.Exit(2)
		}
	}
}
