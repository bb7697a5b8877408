package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// 连接运行中的 monitor：打印 /healthz，然后订阅 /ws 并输出前 n 条消息
func main() {
	addr := flag.String("addr", "127.0.0.1:3000", "monitor 订阅服务地址")
	n := flag.Int("n", 20, "打印的消息条数")
	timeout := flag.Duration("timeout", 30*time.Second, "等待消息超时")
	flag.Parse()

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + *addr + "/healthz")
	if err != nil {
		log.Fatalf("healthz 请求失败: %v", err)
	}
	var health map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		log.Fatalf("healthz 解析失败: %v", err)
	}
	_ = resp.Body.Close()
	fmt.Printf("health: %v\n", health)

	conn, _, err := websocket.DefaultDialer.Dial("ws://"+*addr+"/ws", nil)
	if err != nil {
		log.Fatalf("订阅失败: %v", err)
	}
	defer conn.Close()

	counts := make(map[string]int)
	for i := 0; i < *n; i++ {
		_ = conn.SetReadDeadline(time.Now().Add(*timeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			log.Printf("读取中断: %v", err)
			break
		}
		var env struct {
			Type   string `json:"type"`
			Symbol string `json:"symbol"`
		}
		_ = json.Unmarshal(raw, &env)
		counts[env.Type]++
		fmt.Printf("%s\n", raw)
	}
	fmt.Printf("received: %v\n", counts)
}
