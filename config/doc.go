// Package config 提供服务进程的统一配置:YAML 文件 + 环境变量覆盖。
//
// 引擎子配置只从文件读取,基础设施项(端口,缓存后端,日志,遥测)
// 可用 CONTEXTFLOW_ 前缀的环境变量覆盖。
// 优先级: 默认值 → YAML 文件 → 环境变量。
package config
