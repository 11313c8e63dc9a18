// Package main запускает сервис анализа счетчиков событий guardstat
// Сервис реализует:
// - прием накопительных счетчиков от хостов (каждые 15 минут, 96 отчетов в сутки)
// - вычисление delta с учетом сброса счетчика
// - дневные и общие базовые линии (среднее ± стандартное отклонение)
// - классификацию интервалов и глобальный индекс одновременных аномалий
// - живую проверку отдельного отсчета
// - журнал аномалий в Redis и экспорт метрик в Prometheus
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(os.Stdout, os.Stderr).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
