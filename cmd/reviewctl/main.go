package main

import (
	"fmt"
	"os"
)

// reviewctl — очередь согласований из терминала. Работает прямо с хранилищем:
// решение подхватит запущенный оркестратор при очередной сверке.
func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
